package session

import (
	"github.com/coreos/go-systemd/v22/daemon"

	"tickflow/logger"
)

// SystemdNotifier reports state changes to the service manager. READY is
// sent once streaming starts and STOPPING when draining begins. Without
// NOTIFY_SOCKET every call is a no-op.
func SystemdNotifier() func(State) {
	log := logger.GetLogger().WithComponent("session")
	return func(st State) {
		states := []string{"STATUS=" + st.String()}
		switch st {
		case Streaming:
			states = append(states, daemon.SdNotifyReady)
		case Draining:
			states = append(states, daemon.SdNotifyStopping)
		}
		for _, state := range states {
			if _, err := daemon.SdNotify(false, state); err != nil {
				log.WithError(err).WithField("notify", state).Debug("sd_notify failed")
			}
		}
	}
}
