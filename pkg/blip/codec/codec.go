// Package codec maps BLIP Content-Type property values to body codecs,
// so callers exchange typed values instead of raw byte bodies.
package codec

// Content types handled by the built-in codecs. ContentJSON is also a
// BLIP well-known string, so it costs one byte on the wire.
const (
	ContentJSON  = "application/json"
	ContentCBOR  = "application/cbor"
	ContentProto = "application/x-protobuf"
)

// Codec marshals typed message bodies. Implementations should be
// deterministic so identical bodies produce identical wire bytes.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps Content-Type values to codecs.
type Registry struct{ byType map[string]Codec }

// NewRegistry constructs a registry preloaded with the codecs that need
// no initialization: JSON and Protobuf. CBOR is added explicitly by
// passing the codec returned by codec.CBOR() to Register.
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Codec)}
	r.Register(JSON())
	r.Register(Proto())
	return r
}

// Register adds a codec, replacing any previous one for its content type.
func (r *Registry) Register(c Codec) { r.byType[c.ContentType()] = c }

// Get returns the codec for a content type, or nil.
func (r *Registry) Get(contentType string) Codec { return r.byType[contentType] }
