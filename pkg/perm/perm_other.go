//go:build !linux

package perm

func GroupName() string { return "lonip" }

func SetGroupDir(string) error { return nil }

func SetGroupReadable(string) error { return nil }
