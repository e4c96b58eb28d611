package app

import (
	"github.com/coreos/go-systemd/v22/daemon"

	logx "naualerts/pkg/logx"
)

// notifyReady tells systemd (Type=notify) that startup finished. It is a
// no-op outside systemd.
func notifyReady(log logx.Logger) { sdNotify(log, daemon.SdNotifyReady) }

func notifyStopping(log logx.Logger) { sdNotify(log, daemon.SdNotifyStopping) }

func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}
