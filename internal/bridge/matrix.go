// ABOUTME: Matrix implementation of the Chat Bridge using mautrix
// ABOUTME: Registers portal users as namespaced Matrix accounts via appservice auth

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// networkTimeout bounds every Matrix API call so lifecycle operations
// fail with ErrUnavailable instead of hanging.
const networkTimeout = 10 * time.Second

// MatrixConfig holds the connection settings for the Matrix homeserver.
type MatrixConfig struct {
	Homeserver string `yaml:"homeserver"`
	ServerName string `yaml:"server_name"`
	// UserID and AccessToken identify the gateway's appservice bot.
	// System messages are sent as this user, and portal identities are
	// registered within its namespace.
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
	// LocalpartPrefix namespaces portal users, e.g. "myroxas_".
	LocalpartPrefix string `yaml:"localpart_prefix"`
}

// MatrixBridge implements Bridge against a Matrix homeserver.
type MatrixBridge struct {
	client *mautrix.Client
	cfg    MatrixConfig
	logger *slog.Logger
}

// NewMatrixBridge creates a Matrix-backed bridge.
func NewMatrixBridge(cfg MatrixConfig, logger *slog.Logger) (*MatrixBridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LocalpartPrefix == "" {
		cfg.LocalpartPrefix = "myroxas_"
	}

	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	return &MatrixBridge{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "bridge"),
	}, nil
}

// userID maps a portal user id to its namespaced Matrix user id.
func (b *MatrixBridge) userID(portalUserID string) id.UserID {
	return id.NewUserID(b.cfg.LocalpartPrefix+sanitizeLocalpart(portalUserID), b.cfg.ServerName)
}

// channelAlias maps a conversation id to its room alias localpart. The
// alias is what makes CreateChannel idempotent: a second create for the
// same conversation resolves to the existing room.
func (b *MatrixBridge) channelAlias(conversationID string) string {
	return "support-" + sanitizeLocalpart(conversationID)
}

// sanitizeLocalpart lowercases s and replaces characters outside the
// Matrix localpart grammar (a-z, 0-9, ".", "_", "=", "-") with "-".
func sanitizeLocalpart(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '=', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteRune('-')
		}
	}
	return sb.String()
}

// Identify registers the portal user's Matrix account if needed and mints
// an access token for it via appservice login. Registration of an existing
// account is treated as success, so the call is idempotent.
func (b *MatrixBridge) Identify(ctx context.Context, userID, displayName string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()

	localpart := b.cfg.LocalpartPrefix + sanitizeLocalpart(userID)
	mxid := id.NewUserID(localpart, b.cfg.ServerName)

	_, _, err := b.client.Register(ctx, &mautrix.ReqRegister{
		Username:     localpart,
		Type:         mautrix.AuthTypeAppservice,
		InhibitLogin: true,
	})
	if err != nil && !errors.Is(err, mautrix.MUserInUse) && !errors.Is(err, mautrix.MExclusive) {
		return "", fmt.Errorf("%w: registering %s: %v", ErrUnavailable, mxid, err)
	}

	login, err := b.client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypeAppservice,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: mxid.String(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: logging in %s: %v", ErrUnavailable, mxid, err)
	}

	// Display name update is cosmetic: log and continue on failure.
	if displayName != "" {
		userClient, err := mautrix.NewClient(b.cfg.Homeserver, mxid, login.AccessToken)
		if err == nil {
			err = userClient.SetDisplayName(ctx, displayName)
		}
		if err != nil {
			b.logger.Warn("failed to set display name", "user_id", mxid, "error", err)
		}
	}

	b.logger.Debug("identified chat user", "user_id", mxid)
	return login.AccessToken, nil
}

// CreateChannel creates the conversation's room, or resolves the existing
// one via its alias. The creator is invited so their client can join with
// the token from Identify.
func (b *MatrixBridge) CreateChannel(ctx context.Context, conversationID, creatorUserID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()

	alias := b.channelAlias(conversationID)

	if existing, err := b.client.ResolveAlias(ctx, id.NewRoomAlias(alias, b.cfg.ServerName)); err == nil {
		b.logger.Debug("channel already exists", "conversation_id", conversationID, "room_id", existing.RoomID)
		return existing.RoomID.String(), nil
	}

	resp, err := b.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Name:          "MyRoxas Support",
		Topic:         "Citizen support conversation " + conversationID,
		RoomAliasName: alias,
		Preset:        "trusted_private_chat",
		Invite:        []id.UserID{b.userID(creatorUserID)},
	})
	if err != nil {
		if errors.Is(err, mautrix.MRoomInUse) {
			// Lost a create race: the alias now points at the winner's room.
			existing, resolveErr := b.client.ResolveAlias(ctx, id.NewRoomAlias(alias, b.cfg.ServerName))
			if resolveErr == nil {
				return existing.RoomID.String(), nil
			}
		}
		return "", fmt.Errorf("%w: creating room for %s: %v", ErrUnavailable, conversationID, err)
	}

	b.logger.Info("created channel", "conversation_id", conversationID, "room_id", resp.RoomID)
	return resp.RoomID.String(), nil
}

// AddParticipant invites a portal user into the channel. An invite that
// fails because the user is already in the room counts as success.
func (b *MatrixBridge) AddParticipant(ctx context.Context, channelRef, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()

	mxid := b.userID(userID)
	_, err := b.client.InviteUser(ctx, id.RoomID(channelRef), &mautrix.ReqInviteUser{UserID: mxid})
	if err != nil {
		if errors.Is(err, mautrix.MForbidden) && strings.Contains(err.Error(), "already in the room") {
			b.logger.Debug("participant already in channel", "channel", channelRef, "user_id", mxid)
			return nil
		}
		return fmt.Errorf("%w: inviting %s to %s: %v", ErrUnavailable, mxid, channelRef, err)
	}
	return nil
}

// PostSystemMessage posts text as the gateway's system identity.
func (b *MatrixBridge) PostSystemMessage(ctx context.Context, channelRef, text string) error {
	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()

	if _, err := b.client.SendText(ctx, id.RoomID(channelRef), text); err != nil {
		return fmt.Errorf("%w: posting to %s: %v", ErrUnavailable, channelRef, err)
	}
	return nil
}

// DeleteChannel retires the room. Matrix has no hard room deletion in the
// client-server API, so the bridge leaves and forgets it, which removes it
// from the system identity's view.
func (b *MatrixBridge) DeleteChannel(ctx context.Context, channelRef string) error {
	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()

	roomID := id.RoomID(channelRef)
	if _, err := b.client.LeaveRoom(ctx, roomID); err != nil {
		return fmt.Errorf("%w: leaving %s: %v", ErrUnavailable, channelRef, err)
	}
	if _, err := b.client.ForgetRoom(ctx, roomID); err != nil {
		return fmt.Errorf("%w: forgetting %s: %v", ErrUnavailable, channelRef, err)
	}

	b.logger.Info("deleted channel", "channel", channelRef)
	return nil
}

// Ensure MatrixBridge implements Bridge
var _ Bridge = (*MatrixBridge)(nil)
