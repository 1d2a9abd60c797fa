// Command paksync keeps a local pak cache in step with a CDN build and
// serves its status over HTTP.
//
// Usage:
//
//	paksync [-config paksync.toml] [-patch] [-progress-interval 1s]
//
// Settings come from PAKSYNC_* environment variables, overlaid by the config
// file when one is given. SIGINT or SIGTERM stops the engine, which cancels
// downloads, unmounts every chunk and saves the local state.
package main
