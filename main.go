// Command cachesim-root is a thin pointer to the real entry point.
// For the full CLI, use: go run ./cmd/cachesim
package main

import "fmt"

func main() {
	fmt.Println("cachesim - multi-core cache hierarchy simulator")
	fmt.Println("")
	fmt.Println("Usage: go run ./cmd/cachesim -cache_size {small|medium|large} -threads N \\")
	fmt.Println("         -policy {LRU|FIFO|LFU} -assoc {0|1|4} -write_policy {WB|WT} -trace FILE")
}
