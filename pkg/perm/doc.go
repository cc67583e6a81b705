// Package perm opens the lonip state directory to members of the "lonip"
// system group, so operators can inspect persisted channel state without
// root. On non-Linux platforms all operations are no-ops.
//
//	Path                   Owner:Group    Mode
//	─────────────────────  ─────────────  ────
//	/var/lib/lonip/        root:lonip     0770
//	config.yaml            root:lonip     0640
//	channel.cfg            root:lonip     0640
//
// LONIP_GROUP names a different group. If the group does not exist every
// function returns nil and leaves the mode untouched.
package perm
