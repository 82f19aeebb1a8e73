//go:build !linux

package web

func snapshotDisk(path string) *DiskSnapshot { return nil }

func snapshotNetwork() *NetworkSnapshot { return nil }

func snapshotBoard() *BoardSnapshot { return nil }
