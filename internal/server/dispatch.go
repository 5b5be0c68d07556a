package server

import (
	"context"
	"encoding/json"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/Tyrowin/roomchat/internal/store"
)

// frameHandler processes the payload of one inbound frame type.
type frameHandler func(ctx context.Context, payload json.RawMessage) error

// newDispatchTable builds the per-session frame type to handler table.
func (c *Client) newDispatchTable() map[string]frameHandler {
	return map[string]frameHandler{
		chat.FrameJoin:    c.handleJoin,
		chat.FrameMessage: c.requireJoined(c.handleMessage),
		chat.FrameTyping:  c.requireJoined(c.handleTyping),
		chat.FrameImage:   c.requireJoined(c.handleImage),
	}
}

// joinedHandler is a handler that runs only after the session joined.
type joinedHandler func(ctx context.Context, user chat.User, payload json.RawMessage) error

func (c *Client) requireJoined(next joinedHandler) frameHandler {
	return func(ctx context.Context, payload json.RawMessage) error {
		user, joined := c.User()
		if !joined {
			return errNotJoined
		}
		return next(ctx, user, payload)
	}
}

// handleFrame decodes raw and runs its handler. Failures are unicast to
// this session only; the connection stays open.
func (c *Client) handleFrame(raw []byte) {
	frame, err := chat.DecodeFrame(raw)
	if err == nil {
		handler := c.handlers[frame.Type]
		c.log().Debug().Str(logging.FieldFrameType, frame.Type).Msg("frame received")
		err = handler(c.ctx, frame.Payload)
	}
	if err == nil {
		return
	}

	text, storeFailure := clientErrorMessage(err)
	logger := c.log()
	if storeFailure {
		logger.Error().Err(err).
			Str(logging.FieldFrameType, frame.Type).
			Bool("retryable", store.IsRetryable(err)).
			Msg("room store failure")
	} else {
		logger.Warn().Err(err).Str(logging.FieldFrameType, frame.Type).Msg("rejected frame")
	}
	c.hub.Send(c, chat.NewErrorEvent(text))
}

func (c *Client) handleJoin(ctx context.Context, payload json.RawMessage) error {
	if c.State() != stateUnjoined {
		return errAlreadyJoined
	}

	req, err := chat.DecodeJoin(payload)
	if err != nil {
		return err
	}

	user, err := c.rooms.Join(ctx, c, req)
	if err != nil {
		return err
	}

	c.log().Info().Str(logging.FieldUsername, user.Username).Msg("joined room")
	return nil
}

func (c *Client) handleMessage(ctx context.Context, user chat.User, payload json.RawMessage) error {
	req, err := chat.DecodeMessage(payload)
	if err != nil {
		return err
	}
	return c.rooms.PostMessage(ctx, user, req.Text)
}

func (c *Client) handleTyping(ctx context.Context, user chat.User, payload json.RawMessage) error {
	req, err := chat.DecodeTyping(payload)
	if err != nil {
		return err
	}
	return c.rooms.SetTyping(ctx, user, req.IsTyping)
}

func (c *Client) handleImage(ctx context.Context, user chat.User, payload json.RawMessage) error {
	req, err := chat.DecodeImage(payload)
	if err != nil {
		return err
	}
	return c.rooms.PostImage(ctx, user, req.ImageData, req.Text)
}
