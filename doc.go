// Package mailwatch is the background engine behind a new-mail notifier:
// it keeps a set of mail accounts registered, holds their sessions alive,
// polls each account's remote service for unread mail, and fans the
// resulting events out to any number of subscribers.
//
// The package is the public surface. It exposes [Engine], [Builder],
// [Config], the [Event] stream, and sentinel errors. All coordination
// (credential sealing, the session state machine, polling back-off,
// event fan-out) lives under internal/ and is never exported.
//
// # Architecture boundaries
//
// mailwatch does not speak any wire protocol. Callers supply a
// [client.Client] that owns the SRP exchange and the new-mail check; the
// engine owns everything around it: encrypted credential storage, session
// lifecycle, scheduling, and event delivery. Presentation (tray icon,
// CLI, desktop UI) subscribes to events and never touches engine
// internals.
//
// An Engine is constructed once through [Builder.Build], used from any
// number of goroutines, and shut down with [Engine.Close].
package mailwatch
