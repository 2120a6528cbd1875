package call

import (
	"go.uber.org/zap"

	"peercall/internal/domain"
	"peercall/pkg/logger"
)

// LogNotifier reports rings and status changes to the log. Agents without a
// UI attached use it.
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier creates a notifier writing through the global logger
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: logger.ForComponent("notifier")}
}

// Ring implements Notifier
func (n *LogNotifier) Ring(call domain.Call) {
	n.log.Info("Incoming call ringing",
		zap.String("call_id", call.CallID),
		zap.String("peer_id", call.RemotePeerID),
		zap.String("media_kind", string(call.MediaKind)))
}

// StatusChanged implements Notifier
func (n *LogNotifier) StatusChanged(call domain.Call) {
	fields := []zap.Field{
		zap.String("call_id", call.CallID),
		zap.String("peer_id", call.RemotePeerID),
		zap.String("status", string(call.Status)),
	}
	if call.EndReason != "" {
		fields = append(fields, zap.String("reason", string(call.EndReason)))
	}
	n.log.Info("Call status changed", fields...)
}
