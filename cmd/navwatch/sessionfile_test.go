package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexnav/neuronav/internal/session"
	"github.com/cortexnav/neuronav/internal/track"
)

func writeSessionFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSession(t *testing.T) {
	t.Parallel()
	path := writeSessionFile(t, `{
		"tools": [
			{"key": "Coil1", "kind": "coil", "tracker_key": "coilTracker", "active": true,
			 "tool_to_tracker": [1,0,0,0, 0,1,0,0, 0,0,1,0, 0,0,0,1]},
			{"key": "Subject", "kind": "subjectTracker", "tracker_key": "subjTracker"}
		],
		"registration": {
			"tracker_to_scan": [1,0,0,0, 0,1,0,0, 0,0,1,0, 0,0,0,1],
			"planned_fiducials": {"NAS": [0,80,0], "LPA": [-75,0,0], "RPA": [75,0,0]}
		},
		"head_sphere": {"skin_radius": 80, "gm_radius": 70},
		"targets": [
			{"key": "T1", "target_coord": [0,0,70], "entry_coord": [0,0,80]}
		],
		"current_target": "T1"
	}`)

	sess, currentTarget, err := loadSession(path)
	require.NoError(t, err)
	assert.Equal(t, "T1", currentTarget)

	coil := sess.Tools.Get("Coil1")
	require.NotNil(t, coil)
	assert.Equal(t, track.KindCoil, coil.Kind())
	assert.True(t, coil.Active())
	assert.NotNil(t, coil.ToolToTracker())

	subj := sess.Tools.SubjectTracker()
	require.NotNil(t, subj)
	assert.Equal(t, "subjTracker", subj.TrackerKey())

	assert.NotNil(t, sess.Registration.TrackerToScan())
	nas := sess.Registration.PlannedFiducial(session.FiducialNasion)
	require.NotNil(t, nas)
	assert.Equal(t, [3]float64{0, 80, 0}, *nas)

	require.NotNil(t, sess.HeadModel.Geometry())
	assert.True(t, sess.Targets.Has("T1"))
}

func TestLoadSessionRejectsBadFiles(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		content string
	}{
		{"malformed json", `{"tools": [`},
		{"non-rigid calibration", `{"tools": [
			{"key": "Coil1", "kind": "coil", "tracker_key": "ct",
			 "tool_to_tracker": [2,0,0,0, 0,2,0,0, 0,0,2,0, 0,0,0,1]}
		]}`},
		{"unknown current target", `{"current_target": "nope"}`},
		{"duplicate target keys", `{"targets": [
			{"key": "T1", "target_coord": [0,0,70], "entry_coord": [0,0,80]},
			{"key": "T1", "target_coord": [0,0,60], "entry_coord": [0,0,80]}
		]}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := writeSessionFile(t, tc.content)
			_, _, err := loadSession(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadSessionMissingFile(t *testing.T) {
	t.Parallel()
	_, _, err := loadSession(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
