// Command mmdbinfo prints the header, statistics and, optionally, the
// contents of a database file, and verifies its consistency.
package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/fulldump/goconfig"

	"github.com/andreyvit/mmdb"
)

type Config struct {
	Path    string `usage:"database file"`
	Objects bool   `usage:"dump objects"`
	Indexes bool   `usage:"dump index keys"`
	Free    bool   `usage:"dump free extents"`
	Check   bool   `usage:"verify consistency"`
	Verbose bool   `usage:"log debug messages"`
}

func main() {
	c := Config{
		Check: true,
	}
	goconfig.Read(&c)
	if c.Path == "" && len(os.Args) > 1 {
		c.Path = os.Args[len(os.Args)-1]
	}
	if c.Path == "" {
		log.Fatalf("** usage: mmdbinfo -path <file>")
	}

	level := slog.LevelWarn
	if c.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	db, err := mmdb.Open(c.Path, nil, mmdb.Options{
		AccessType: mmdb.ReadOnly,
		Logger:     logger,
		Verbose:    c.Verbose,
	})
	if err != nil {
		log.Fatalf("** %v", err)
	}
	defer db.Close()

	flags := mmdb.DumpHeader | mmdb.DumpTypeHeaders | mmdb.DumpStats
	if c.Objects {
		flags |= mmdb.DumpObjects
	}
	if c.Indexes {
		flags |= mmdb.DumpIndexes | mmdb.DumpIndexKeys
	}
	if c.Free {
		flags |= mmdb.DumpFreeSpace
	}
	fmt.Print(db.Dump(flags))

	s := db.Stats()
	fmt.Printf("objects = %d, size = %d, tail = %d, free = %d in %d extents (%.1f%%), largest free = %d\n",
		s.Objects, s.Space.Size, s.Space.Tail, s.Space.FreeBytes, s.Space.FreeCount, 100*s.FreeRatio(), s.Space.Largest)

	if c.Check {
		if err := db.Check(); err != nil {
			fmt.Fprintf(os.Stderr, "** %v\n", err)
			os.Exit(1)
		}
		fmt.Println("check: OK")
	}
}
