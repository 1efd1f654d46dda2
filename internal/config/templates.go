package config

import (
	"fmt"
	"os"
)

func Template() string {
	return harnessTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(harnessTemplate), 0o644)
}

const harnessTemplate = `# kernelctl harness configuration
features_dir = "features"
kernels_dir = "kernels"
kernelspec_dirs = ["kernelspecs"]
reports_dir = "reports"

# json | yaml | text
format = "json"

# per feature, kernel startup included
timeout = "2s"

# 0 uses one worker per CPU
workers = 0

# SIGTERM to SIGKILL; "0s" kills immediately
grace_period = "500ms"

[serve]
addr = ":9300"
cors_origins = ["http://localhost:3000"]
# bearer token for POST /runs; empty leaves it open ($KERNELCTL_TOKEN overrides)
token = ""
`
