// Package logging provides structured logging for coedit.
//
// [Logger] wraps log/slog and carries the client, actor, record and field
// context of the editing core as persistent attributes, so every line a
// session writes can be filtered back out afterwards with [Filter].
//
// # Usage
//
//	logger, err := logging.New(logging.Options{Path: "coedit.log", Level: "INFO"})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	sess := logger.WithClient("client-a").WithActor("ana").WithRecord("tasks", "t-1")
//	sess.Info("lock acquired", "field", "title")
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"lock acquired","client_id":"client-a","actor_id":"ana","table":"tasks","record_id":"t-1","field":"title"}
//
// # Rotation
//
// When a path is configured, output goes through a [RotatingWriter] that
// renames the file to path.1 ... path.N once it exceeds MaxSizeMB, gzipping
// backups when Compress is set.
//
// # Reading Logs Back
//
//	entries, _ := logging.ReadFile("coedit.log")
//	warnings := logging.Filter{MinLevel: "WARN", RecordID: "t-1"}.Apply(entries)
package logging
