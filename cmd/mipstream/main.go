// Command mipstream bakes streamable mip chains and simulates streaming
// them through a GPU pool.
//
// Usage:
//
//	mipstream bake rock.png --out assets/ --persistent 3 --compression zstd
//	mipstream simulate --store assets/ --frames 240 --budget-mb 64
//
// Defaults are read from the environment and from a .env file in the
// working directory (MIPSTREAM_BUDGET_MB, MIPSTREAM_LOG_LEVEL).
package main

func main() {
	Execute()
}
