package trace

import (
	"context"

	clc "github.com/cloudwego/eino-ext/callbacks/cozeloop"
	"github.com/cloudwego/eino/callbacks"
	"github.com/coze-dev/cozeloop-go"
	"github.com/sirupsen/logrus"

	"github.com/tgo/kiwi/internal/pkg/logger"
)

// CloseFn flushes and closes the trace client.
type CloseFn func(ctx context.Context)

// InitCozeLoop registers CozeLoop as a global eino callback handler so every
// chat, vision and embedding call is traced. Without credentials it does
// nothing.
func InitCozeLoop(workspaceID, apiToken string, log *logrus.Entry) CloseFn {
	log = logger.OrDefault(log, "trace")
	if workspaceID == "" || apiToken == "" {
		log.Debug("CozeLoop not configured, tracing disabled")
		return func(ctx context.Context) {}
	}

	client, err := cozeloop.NewClient(
		cozeloop.WithWorkspaceID(workspaceID),
		cozeloop.WithAPIToken(apiToken),
	)
	if err != nil {
		log.WithError(err).Warn("failed to create CozeLoop client, tracing disabled")
		return func(ctx context.Context) {}
	}

	callbacks.AppendGlobalHandlers(clc.NewLoopHandler(client))
	log.WithField("workspace_id", workspaceID).Info("CozeLoop tracing enabled")

	return client.Close
}
