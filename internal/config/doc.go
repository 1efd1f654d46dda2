// Package config loads kernelctl.toml and writes its template.
package config
