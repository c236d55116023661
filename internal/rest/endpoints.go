package rest

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephascord"
	"github.com/luciancaetano/kephascord/internal/protocol"
)

// MaxBulkDelete is the largest batch the bulk delete endpoint accepts.
const MaxBulkDelete = 100

var _ kephascord.REST = (*Handler)(nil)

type gatewayResponse struct {
	URL string `json:"url"`
}

// GatewayURL resolves the gateway URL once; concurrent callers share the call.
func (h *Handler) GatewayURL(ctx context.Context) (string, error) {
	h.gatewayMu.RLock()
	url := h.gatewayURL
	h.gatewayMu.RUnlock()
	if url != "" {
		return url, nil
	}

	v, err, _ := h.bootstrap.Do("gateway", func() (any, error) {
		body, err := h.Request(ctx, http.MethodGet, "/gateway", false, nil, nil)
		if err != nil {
			return "", err
		}
		var resp gatewayResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", err
		}
		url := protocol.GatewayURL(resp.URL)
		h.SetGatewayURL(url)
		return url, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// SetGatewayURL overrides the cached gateway URL. An empty url clears it so
// the next GatewayURL call bootstraps again.
func (h *Handler) SetGatewayURL(url string) {
	h.gatewayMu.Lock()
	defer h.gatewayMu.Unlock()
	h.gatewayURL = url
}

func (h *Handler) GatewayBot(ctx context.Context) (*kephascord.GatewayBot, error) {
	body, err := h.Request(ctx, http.MethodGet, "/gateway/bot", true, nil, nil)
	if err != nil {
		return nil, err
	}
	var gb kephascord.GatewayBot
	if err := json.Unmarshal(body, &gb); err != nil {
		return nil, err
	}
	return &gb, nil
}

func (h *Handler) GetChannel(ctx context.Context, channelID string) (*kephascord.Channel, error) {
	var c kephascord.Channel
	if err := h.getJSON(ctx, "/channels/"+channelID, &c); err != nil {
		return nil, err
	}
	if h.cfg.Sink != nil {
		return h.cfg.Sink.StoreChannel(&c), nil
	}
	return &c, nil
}

func (h *Handler) GetGuild(ctx context.Context, guildID string) (*kephascord.Guild, error) {
	var g kephascord.Guild
	if err := h.getJSON(ctx, "/guilds/"+guildID, &g); err != nil {
		return nil, err
	}
	if h.cfg.Sink != nil {
		return h.cfg.Sink.StoreGuild(&g), nil
	}
	return &g, nil
}

func (h *Handler) GetUser(ctx context.Context, userID string) (*kephascord.User, error) {
	var u kephascord.User
	if err := h.getJSON(ctx, "/users/"+userID, &u); err != nil {
		return nil, err
	}
	if h.cfg.Sink != nil {
		return h.cfg.Sink.StoreUser(&u), nil
	}
	return &u, nil
}

func (h *Handler) CreateMessage(ctx context.Context, channelID string, msg *kephascord.MessageCreate, file *kephascord.File) (*kephascord.Message, error) {
	body, err := h.Request(ctx, http.MethodPost, "/channels/"+channelID+"/messages", true, msg, file)
	if err != nil {
		return nil, err
	}
	return h.storeMessage(body)
}

func (h *Handler) EditMessage(ctx context.Context, channelID, messageID string, msg *kephascord.MessageCreate) (*kephascord.Message, error) {
	body, err := h.Request(ctx, http.MethodPatch, "/channels/"+channelID+"/messages/"+messageID, true, msg, nil)
	if err != nil {
		return nil, err
	}
	return h.storeMessage(body)
}

func (h *Handler) DeleteMessage(ctx context.Context, channelID, messageID, reason string) error {
	_, err := h.RequestWithReason(ctx, http.MethodDelete, "/channels/"+channelID+"/messages/"+messageID, true, nil, nil, reason)
	return err
}

type bulkDeleteBody struct {
	Messages []string `json:"messages"`
}

// DeleteMessages deletes messageIDs in sequential batches. Completed counts
// only batches that succeeded.
func (h *Handler) DeleteMessages(ctx context.Context, channelID string, messageIDs []string, reason string) (int, error) {
	completed := 0
	for start := 0; start < len(messageIDs); start += MaxBulkDelete {
		if start > 0 {
			if err := sleep(ctx, h.cfg.BulkDeleteDelay); err != nil {
				return completed, &kephascord.BulkError{Completed: completed, Err: err}
			}
		}

		end := min(start+MaxBulkDelete, len(messageIDs))
		batch := messageIDs[start:end]

		var err error
		if len(batch) == 1 {
			err = h.DeleteMessage(ctx, channelID, batch[0], reason)
		} else {
			_, err = h.RequestWithReason(ctx, http.MethodPost, "/channels/"+channelID+"/messages/bulk-delete", true,
				bulkDeleteBody{Messages: batch}, nil, reason)
		}
		if err != nil {
			h.log.Warn("bulk delete batch failed",
				zap.String("channel", channelID),
				zap.Int("completed", completed),
				zap.Int("batch", len(batch)),
				zap.Error(err))
			return completed, &kephascord.BulkError{Completed: completed, Err: err}
		}
		completed += len(batch)
	}
	return completed, nil
}

func (h *Handler) getJSON(ctx context.Context, route string, v any) error {
	body, err := h.Request(ctx, http.MethodGet, route, true, nil, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func (h *Handler) storeMessage(body []byte) (*kephascord.Message, error) {
	var m kephascord.Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	if h.cfg.Sink != nil {
		return h.cfg.Sink.StoreMessage(&m), nil
	}
	return &m, nil
}
