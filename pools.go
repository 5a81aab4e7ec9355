package mmdb

import "sync"

var encodeBufPool = &sync.Pool{
	New: func() any {
		b := make([]byte, 0, 4096)
		return &b
	},
}

func getEncodeBuf() *[]byte {
	return encodeBufPool.Get().(*[]byte)
}

func releaseEncodeBuf(b *[]byte, data []byte) {
	if cap(data) > 1<<20 {
		return
	}
	*b = data[:0]
	encodeBufPool.Put(b)
}
