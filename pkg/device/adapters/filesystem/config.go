package filesystem

import "time"

// Config configures a filesystem device Manager. Field names and defaults
// mirror the Python FileSystemDeviceManagerBase: a root folder containing
// QUEUES/TMP/BOOKKEEPING subdirectories, with per-queue subfolders under
// QUEUES named after the input/output device name.
type Config struct {
	RootFolder        string `env:"ROOT_FOLDER" env-required:"true"`
	QueueDirName      string `env:"QUEUE_DIR_NAME" env-default:"QUEUES"`
	TmpDirName        string `env:"TMP_DIR_NAME" env-default:"TMP"`
	BookkeepingDirName string `env:"BOOKKEEPING_DIR_NAME" env-default:"BOOKKEEPING"`

	// FIFO selects the sorted (full-scan, strict oldest-first) read mode
	// over the unsorted (batched, shuffled) read mode.
	FIFO bool `env:"FIFO" env-default:"true"`

	// MinFileAge skips files newer than this in unsorted read mode, giving
	// a writer time to finish before a reader claims a half-written file
	// (the sorted mode instead relies on the atomic move itself for safety).
	MinFileAge time.Duration `env:"MIN_FILE_AGE" env-default:"0s"`

	MaxPoisonCount int `env:"MAX_POISON_COUNT" env-default:"3"`
	MinBatchSize   int `env:"MIN_BATCH_SIZE" env-default:"8"`
	MaxBatchSize   int `env:"MAX_BATCH_SIZE" env-default:"300"`

	TransactionLogSaveInterval time.Duration `env:"TRANSACTION_LOG_SAVE_INTERVAL" env-default:"10s"`

	// OutputFilenameFormat is an optional "{header-name}" template used to
	// name files written by an OutputDevice. When empty, or when it
	// references a header the message does not carry, a random name is
	// used instead.
	OutputFilenameFormat string `env:"OUTPUT_FILENAME_FORMAT" env-default:""`

	MaxPayloadBytes int `env:"MAX_PAYLOAD_BYTES" env-default:"0"`
	MaxHeaderBytes  int `env:"MAX_HEADER_BYTES" env-default:"0"`
}
