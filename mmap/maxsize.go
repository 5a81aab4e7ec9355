package mmap

import "math"

// MaxSize is the largest mapping Region and Mmap accept: 2GB on 32-bit
// platforms, 256TB elsewhere.
const MaxSize = min(math.MaxInt, 0xFFFFFFFFFFFF)
