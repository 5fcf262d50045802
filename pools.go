package kvdict

import "sync"

var keyBytesPool = &sync.Pool{
	New: func() any {
		return make([]byte, 0, MaxIndexKeySize+recordIDSize)
	},
}

func releaseKeyBytes(b []byte) {
	if cap(b) > 4*MaxIndexKeySize {
		return
	}
	keyBytesPool.Put(b[:0])
}

var emptyValue = []byte{}
