package outpost

import (
	"fmt"

	"github.com/google/uuid"
)

const clientIDKey = "client_id"

// loadOrCreateClientID returns the stable identity for this device,
// generating and persisting one on first use. The identity is attached to
// every outgoing mutation so the server and peer devices can tell
// self-originated changes from foreign ones.
func loadOrCreateClientID(state StateStore) (string, error) {
	id, err := state.GetMeta(clientIDKey)
	if err != nil {
		return "", fmt.Errorf("load client id: %w", err)
	}
	if id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := state.SetMeta(clientIDKey, id); err != nil {
		return "", fmt.Errorf("persist client id: %w", err)
	}
	return id, nil
}
