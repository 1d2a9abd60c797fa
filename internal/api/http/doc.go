// Package http serves the status and control API for the sync engine.
//
// Routes:
//   - GET  /health             liveness
//   - GET  /chunks             every chunk in the loaded manifest
//   - GET  /chunks/:id         one chunk
//   - POST /chunks/download    {"ids": [...], "priority": n, "wait": bool}
//   - POST /chunks/mount       {"ids": [...], "wait": bool}
//   - POST /cache/flush        delete unused cached paks
//   - POST /cache/validate     hash the cache and drop corrupt paks
//   - GET  /stats              loading-mode counters
//   - GET  /progress           engine snapshot
//   - POST /patch              start a patch
//
// Errors are JSON objects with an "error" field. Calls made while the engine
// is stopped answer 503.
package http
