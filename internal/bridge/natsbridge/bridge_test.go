package natsbridge

import "testing"

// The default AddressFor closure is unexported and built inline in
// Connect; this reproduces its formula to pin the contract documented
// on Config.AddressFor ("/bridge/nats/<subject>").
func defaultAddressFor(subject string) string {
	return "/bridge/nats/" + subject
}

func TestDefaultAddressForPrefixesBridgeNats(t *testing.T) {
	cases := map[string]string{
		"lights.room1": "/bridge/nats/lights.room1",
		"clasp.>":      "/bridge/nats/clasp.>",
		"":             "/bridge/nats/",
	}
	for subject, want := range cases {
		if got := defaultAddressFor(subject); got != want {
			t.Fatalf("defaultAddressFor(%q) = %q, want %q", subject, got, want)
		}
	}
}
