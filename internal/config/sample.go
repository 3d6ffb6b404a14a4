package config

import (
	"os"

	"github.com/pkg/errors"
)

// Sample is the ecosystem file written by `cronsv init`.
const Sample = `# cronsv ecosystem file
log_level: info
api:
  listen: 127.0.0.1:50051
history:
  path: cronsv.db

apps:
  - name: discord-reports
    script: bot.py
    interpreter: python3
    cron_restart: "30 4 * * *"
    env:
      PYTHONUNBUFFERED: "1"
`

// WriteSample creates path with the sample config. An existing file is left
// untouched and reported as created=false.
func WriteSample(path string) (created bool, err error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, errors.Wrapf(err, "stat %s", path)
	}
	if err := os.WriteFile(path, []byte(Sample), 0o644); err != nil {
		return false, errors.Wrap(err, "failed to create default config")
	}
	return true, nil
}
