// Package state provides the persisted session event log, the session index
// and the artifact store.
package state

import "github.com/user/agentcore/internal/types"

// Compile-time interface compliance checks.
var _ types.SessionStore = (*SessionStore)(nil)
var _ types.EventLog = (*EventLog)(nil)
var _ types.EventLog = (*MongoEventLog)(nil)
var _ types.ArtifactStore = (*ArtifactStore)(nil)
