package wire

import (
	"sync"

	"github.com/juju/errors"
)

var codecs = struct {
	sync.Mutex
	m map[string]Codec
}{m: make(map[string]Codec)}

// RegisterCodec makes a payload codec available under name, usually from
// the codec package's init(). A deployment links the codec it needs and
// names it in config.
func RegisterCodec(name string, c Codec) {
	codecs.Lock()
	defer codecs.Unlock()
	if _, ok := codecs.m[name]; ok {
		panic("code error duplicate codec name=" + name)
	}
	codecs.m[name] = c
}

func LookupCodec(name string) (Codec, error) {
	codecs.Lock()
	defer codecs.Unlock()
	if c, ok := codecs.m[name]; ok {
		return c, nil
	}
	return nil, errors.NotFoundf("codec name=%s", name)
}
