package mail

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gotrs-io/whups/internal/i18n"
)

// ErrUnparsable is returned for input that cannot be read as a message.
var ErrUnparsable = errors.New("parse message")

// ErrTicketNotFound matches every *TicketNotFoundError.
var ErrTicketNotFound = errors.New("ticket not found")

// TicketNotFoundError is returned when a message is explicitly routed to a
// ticket that cannot be loaded.
type TicketNotFoundError struct {
	ID  int64
	Err error
}

func (e *TicketNotFoundError) Error() string {
	return fmt.Sprintf(i18n.TicketNotFound, strconv.FormatInt(e.ID, 10))
}

func (e *TicketNotFoundError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrTicketNotFound.
func (e *TicketNotFoundError) Is(target error) bool {
	return target == ErrTicketNotFound
}
