package resilience

import (
	"errors"
	"regexp"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cory-johannsen/tablesync/internal/channel"
)

// criticalPattern matches whole-word authentication failure phrases. Status
// digits only count next to a status or code marker, so addresses and ports
// such as 127.0.0.1:40123 never match.
var criticalPattern = regexp.MustCompile(
	`(?i)\b(unauthorized|unauthenticated|forbidden|invalid token|token expired|authentication failed)\b` +
		`|\b(status|code|http)[ =:]*40[13]\b` +
		`|\(40[13]\)`,
)

// Classify reports whether err is critical or transient.
//
// Postcondition: Returns KindCritical for errors wrapping channel.ErrUnauthorized,
// carrying a gRPC Unauthenticated or PermissionDenied status, or naming an
// auth failure; KindTransient otherwise (including nil).
func Classify(err error) ErrorKind {
	if err == nil {
		return KindTransient
	}
	if errors.Is(err, channel.ErrUnauthorized) {
		return KindCritical
	}
	if s, ok := status.FromError(err); ok && s != nil {
		switch s.Code() {
		case codes.Unauthenticated, codes.PermissionDenied:
			return KindCritical
		}
	}
	if criticalPattern.MatchString(err.Error()) {
		return KindCritical
	}
	return KindTransient
}
