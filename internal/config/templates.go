package config

import (
	"fmt"
	"os"
)

// Template returns a commented daemon config holding the defaults.
func Template() string {
	d := DefaultDaemon()
	return fmt.Sprintf(daemonTemplate,
		d.Socket, d.Backlog, d.MaxFrameSize, d.QueueDepth,
		d.AcceptBackoff, d.ExitWait, d.LogLevel)
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(Template()), 0o600)
}

const daemonTemplate = `# control socket; the file is recreated on start
socket = %q
backlog = %d

# largest frame accepted or built, header included
max_frame_size = %d
# frames a session may queue before Compose fails
queue_depth = %d

# wait before retrying accept after EMFILE/ENFILE
accept_backoff = %q

# one second rounds to wait for sessions to drain on shutdown
exit_wait = %d

# serve /metrics and /healthz when set, e.g. "127.0.0.1:9180"
metrics_addr = ""

log_level = %q
`
