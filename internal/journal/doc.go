// Package journal records broker client sessions in SQLite.
//
// A session row is opened when the broker first learns a ClientID on a
// connection and closed when that connection goes away. Between the two
// the row tracks the latest subscription list and traffic counters.
// Recorder receives the broker's lifecycle callbacks; SQLiteRepository
// serves the read side for the /api/v1/sessions endpoint.
package journal
