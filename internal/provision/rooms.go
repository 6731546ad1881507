package provision

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/space-intake-api/internal/wire"
)

type publisher interface {
	Publish(ctx context.Context, relays []string, ev *wire.Event) error
}

// RoomProvisioner scaffolds the structural rooms of a freshly approved space
// by publishing creation and metadata events to the new host itself.
type RoomProvisioner struct {
	signer    *wire.Signer
	publisher publisher
	logger    *zap.Logger
}

// NewRoomProvisioner constructs the provisioner.
func NewRoomProvisioner(signer *wire.Signer, pub publisher, logger *zap.Logger) *RoomProvisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoomProvisioner{signer: signer, publisher: pub, logger: logger}
}

type roomSpec struct {
	id   string
	name string
}

var defaultRooms = []roomSpec{
	{id: "general", name: "General"},
	{id: "announcements", name: "Announcements"},
}

// Provision publishes the default room set to the given host. The host comes
// back online some time after its config lands, so callers treat failures as
// retryable rather than fatal.
func (p *RoomProvisioner) Provision(ctx context.Context, host string) error {
	relay := "wss://" + host + "/"
	for _, room := range defaultRooms {
		create := &wire.Event{
			Kind: wire.KindRoomCreate,
			Tags: [][]string{{"h", room.id}},
		}
		if err := p.signer.Sign(create); err != nil {
			return fmt.Errorf("sign room create: %w", err)
		}
		if err := p.publisher.Publish(ctx, []string{relay}, create); err != nil {
			return fmt.Errorf("publish room %q: %w", room.id, err)
		}

		meta, err := json.Marshal(map[string]string{"name": room.name})
		if err != nil {
			return fmt.Errorf("encode room meta: %w", err)
		}
		metaEv := &wire.Event{
			Kind:    wire.KindRoomMeta,
			Content: string(meta),
			Tags:    [][]string{{"h", room.id}},
		}
		if err := p.signer.Sign(metaEv); err != nil {
			return fmt.Errorf("sign room meta: %w", err)
		}
		if err := p.publisher.Publish(ctx, []string{relay}, metaEv); err != nil {
			return fmt.Errorf("publish meta for room %q: %w", room.id, err)
		}
		p.logger.Debug("room provisioned", zap.String("host", host), zap.String("room", room.id))
	}
	return nil
}
