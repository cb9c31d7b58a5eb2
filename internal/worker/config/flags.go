package config

import (
	"flag"
	"os"
	"time"

	"github.com/forgestack/exportpipe/internal/flagx"
)

// parseFlags populates selected worker Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-d string   PostgreSQL DSN
//	-j string   projects root directory
//	-u string   S3 access key
//	-p string   S3 secret key
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 endpoint (e.g., "http://127.0.0.1:9000/")
//	-w int      concurrent export pipelines
//	-q int      per-user exports per hour
//	-t int      artifact lifetime, hours
//
// Notes:
//   - The function first filters os.Args to only the flags it recognizes using
//     flagx.FilterArgs, avoiding collisions with other components.
//   - The TTL flag is accepted as an integer in hours and then converted to a
//     time.Duration value.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-j", "-u", "-p", "-b", "-g", "-e", "-w", "-q", "-t"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.ProjectsDir, "j", config.ProjectsDir, "projects root directory")
	fs.StringVar(&config.S3AccessKey, "u", config.S3AccessKey, "S3 access key")
	fs.StringVar(&config.S3SecretKey, "p", config.S3SecretKey, "S3 secret key")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3Endpoint, "e", config.S3Endpoint, "S3 endpoint")
	fs.IntVar(&config.Concurrency, "w", config.Concurrency, "concurrent export pipelines")
	fs.IntVar(&config.ExportsPerHour, "q", config.ExportsPerHour, "per-user exports per hour")

	jobTTL := fs.Int("t", int(config.JobTTL.Hours()), "artifact lifetime (in hours)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.JobTTL = time.Duration(*jobTTL) * time.Hour
}
