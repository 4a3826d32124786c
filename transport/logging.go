package transport

import "github.com/sirupsen/logrus"

// logger returns an entry carrying the standard transport fields.
func (t *Transport) logger(function string) *logrus.Entry {
	base := t.opts.Logger
	if base == nil {
		base = logrus.StandardLogger()
	}
	return base.WithFields(logrus.Fields{
		"function":     function,
		"package":      "transport",
		"protocol":     t.protocol.String(),
		"transport_id": t.id,
	})
}
