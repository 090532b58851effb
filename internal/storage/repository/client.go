// Package repository registers stored archive files with the archive
// repository service over the message bus.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-controller/internal/bus"
	"github.com/JakeFAU/harvest-controller/internal/channels"
)

// Message types of the store handshake.
const (
	TypeStoreRequest = "StoreMessage"
	TypeStoreReply   = "StoreReplyMessage"
)

// DefaultTimeout bounds the wait for the repository's answer.
const DefaultTimeout = 5 * time.Minute

const listenerID = "repository-client"

var (
	// ErrNoReply is returned when the repository did not answer in time.
	ErrNoReply = errors.New("no reply from repository")
	// ErrRejected is returned when the repository answered with an error.
	ErrRejected = errors.New("repository rejected file")
)

// StoreRequest asks the repository to take ownership of an uploaded file.
type StoreRequest struct {
	FileName string `json:"fileName"`
	URI      string `json:"uri"`
}

// Listener subscribes handlers to channels.
type Listener interface {
	SetListener(ctx context.Context, ch channels.Channel, listenerID string, handler bus.Handler) error
}

// Client performs the store handshake.
type Client struct {
	sync    *bus.Synchronizer
	to      channels.Channel
	replyTo channels.Channel
	timeout time.Duration
	logger  *zap.Logger
}

// New builds a client sending through sender. Replies must be routed to
// Listen before Register is called.
func New(sender bus.Sender, namer *channels.Namer, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		sync:    bus.NewSynchronizer(sender, logger),
		to:      namer.TheRepos(),
		replyTo: namer.ThisReposClient(),
		timeout: timeout,
		logger:  logger,
	}
}

// Listen subscribes the client to its reply channel.
func (c *Client) Listen(ctx context.Context, l Listener) error {
	if err := l.SetListener(ctx, c.replyTo, listenerID, c.sync.Handler()); err != nil {
		return fmt.Errorf("listen for repository replies: %w", err)
	}
	return nil
}

// Register sends a StoreRequest and waits for the repository's reply.
func (c *Client) Register(ctx context.Context, fileName, uri string) error {
	msg, err := bus.NewMessage(TypeStoreRequest, c.to, c.replyTo, StoreRequest{FileName: fileName, URI: uri})
	if err != nil {
		return err
	}
	reply, ok, err := c.sync.SendAndWait(ctx, msg, c.timeout)
	if err != nil {
		return fmt.Errorf("store %s: %w", fileName, err)
	}
	if !ok {
		return fmt.Errorf("store %s after %s: %w", fileName, c.timeout, ErrNoReply)
	}
	if !reply.OK {
		return fmt.Errorf("store %s: %w: %s", fileName, ErrRejected, reply.ErrorText)
	}
	c.logger.Debug("file registered with repository", zap.String("file", fileName), zap.String("uri", uri))
	return nil
}
