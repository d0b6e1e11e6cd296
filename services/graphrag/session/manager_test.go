// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetWorkspaceDefaults(t *testing.T) {
	root := t.TempDir()
	m := NewManager(nil, nil)

	pc, err := m.SetWorkspace("s1", root, "", "")
	require.NoError(t, err)
	assert.Equal(t, root, pc.WorkspaceRoot)
	assert.Equal(t, filepath.Join(root, "src"), pc.SourceDir)
	assert.Equal(t, filepath.Base(root), pc.ProjectID)
	assert.Len(t, pc.Fingerprint, 4)
}

func TestSetWorkspaceMissingDir(t *testing.T) {
	m := NewManager(nil, nil)
	_, err := m.SetWorkspace("s1", "/definitely/not/here", "", "")
	assert.ErrorIs(t, err, ErrWorkspaceNotFound)
}

func TestProjectIDFromGoMod(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"),
		[]byte("module example.com/org/widgets\n\ngo 1.25\n"), 0o644))
	assert.Equal(t, "widgets", DeriveProjectID(root))
}

func TestSessionIsolation(t *testing.T) {
	rootA, rootB := t.TempDir(), t.TempDir()
	m := NewManager(nil, nil)

	_, err := m.SetWorkspace("a", rootA, "", "projA")
	require.NoError(t, err)
	_, err = m.SetWorkspace("b", rootB, "", "projB")
	require.NoError(t, err)

	pcA, err := m.Get("a")
	require.NoError(t, err)
	pcB, err := m.Get("b")
	require.NoError(t, err)
	assert.Equal(t, "projA", pcA.ProjectID)
	assert.Equal(t, "projB", pcB.ProjectID)

	_, err = m.Get("c")
	assert.ErrorIs(t, err, ErrNoProjectContext)
}

func TestInvalidateOnProjectSwitch(t *testing.T) {
	rootA, rootB := t.TempDir(), t.TempDir()
	var invalidated []string
	m := NewManager(func(projectID string) { invalidated = append(invalidated, projectID) }, nil)

	_, err := m.SetWorkspace("s", rootA, "", "old")
	require.NoError(t, err)
	_, err = m.SetWorkspace("s", rootB, "", "new")
	require.NoError(t, err)

	assert.Equal(t, []string{"old"}, invalidated)
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("/w")
	assert.Equal(t, a, Fingerprint("/w"))
	assert.NotEqual(t, a, Fingerprint("/w2"))
	assert.Len(t, a, 4)
}
