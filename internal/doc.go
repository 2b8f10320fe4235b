// Package internal contains the implementation packages for isolate.
//
// # Package Organization
//
// The internal packages are organized by functional domain:
//
//   - vfs: Layered content store (in-memory overlay over disk) with change listeners
//   - watcher: Debounced file system monitoring
//   - graph: Module graph and importer chains
//   - bridge: Bundler resolve/load hooks backed by the content store
//   - bundler: Component bundles and hot updates
//   - protocol: Host and realm wire messages and preview events
//   - channel: Host side of the realm connection and refresh synchronization
//   - sandbox: Realm runtime, document model and component adapters
//   - instrument: Console capture, callback recording, navigation interception and the action log
//   - filemanager: Edits and writes that arm a refresh expectation first
//   - session: Wires one preview session together
//   - http, middleware: Host server routes and middleware chain
//   - config, logging, errors, metrics, version: Ambient support
//
// # Data Flow
//
// A file change reaches the content store, the session bundles a hot update
// and the channel pushes it to the realm. The realm re-renders, reports
// console output and actions as preview events, and acknowledges the
// refresh the file manager armed.
package internal
