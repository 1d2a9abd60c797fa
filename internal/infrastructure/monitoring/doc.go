// Package monitoring exposes Prometheus metrics for downloads, mounts,
// manifest loads and the status API.
package monitoring
