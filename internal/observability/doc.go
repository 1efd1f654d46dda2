// Package observability owns metrics and HTTP request logging.
package observability
