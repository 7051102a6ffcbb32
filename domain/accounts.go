package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Account is a local actor: the signing keypair plus profile fields the
// federation surface publishes. Remote actors only ever exist as an Actor
// context on a Reference.
type Account struct {
	Id               uuid.UUID
	Username         string
	DisplayName      string
	Summary          string
	PublicKeyPem     string
	PrivateKeyPem    string
	ManuallyApproves bool
	CreatedAt        time.Time
}

// ActorURI builds the canonical actor URI for this account on the given
// federation domain.
func (acc *Account) ActorURI(domain string) string {
	return fmt.Sprintf("https://%s/users/%s", domain, acc.Username)
}

func (acc *Account) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tUsername: %s \n\tCreatedAt: %s", acc.Id, acc.Username, acc.CreatedAt)
}
