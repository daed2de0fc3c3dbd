// Command emberkv-demo is a tiny, non-interactive smoke test: it opens a
// store, drives a handful of puts/deletes/gets, flushes, closes, reopens,
// and prints stats. It is not the interactive shell spec.md places out of
// scope (§1) — it exists purely to exercise the public API end to end, in
// the same spirit as the teacher's examples/basic directory.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/emberkv/emberkv/pkg/store"
)

func main() {
	dataDir := "./emberkv-data"
	if len(os.Args) > 1 {
		dataDir = os.Args[1]
	}

	fmt.Println("=== emberkv demo ===")

	cfg := store.DefaultConfig(dataDir)
	s, err := store.Open(dataDir, cfg)
	if err != nil {
		log.Fatalf("open: %v", err)
	}

	pairs := map[string]string{
		"name":    "emberkv",
		"type":    "lsm-tree",
		"version": "1.0",
		"author":  "demo",
	}
	fmt.Println("inserting key-value pairs...")
	for k, v := range pairs {
		if err := s.Put([]byte(k), []byte(v)); err != nil {
			log.Fatalf("put %s: %v", k, err)
		}
		fmt.Printf("  put %s = %s\n", k, v)
	}

	fmt.Println("reading values back...")
	for k := range pairs {
		found, v, err := s.Get([]byte(k))
		if err != nil {
			log.Fatalf("get %s: %v", k, err)
		}
		fmt.Printf("  get %s -> found=%v value=%s\n", k, found, v)
	}

	fmt.Println("deleting 'version'...")
	if err := s.Delete([]byte("version")); err != nil {
		log.Fatalf("delete: %v", err)
	}
	found, _, err := s.Get([]byte("version"))
	if err != nil {
		log.Fatalf("get version: %v", err)
	}
	fmt.Printf("  get version -> found=%v\n", found)

	fmt.Println("flushing...")
	if _, err := s.Flush(); err != nil {
		log.Fatalf("flush: %v", err)
	}

	fmt.Printf("stats: %+v\n", s.Stats())

	if err := s.Close(); err != nil {
		log.Fatalf("close: %v", err)
	}

	fmt.Println("reopening...")
	s2, err := store.Open(dataDir, cfg)
	if err != nil {
		log.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	found, v, err := s2.Get([]byte("name"))
	if err != nil {
		log.Fatalf("get name: %v", err)
	}
	fmt.Printf("  after reopen: get name -> found=%v value=%s\n", found, v)

	fmt.Println("=== demo complete ===")
}
