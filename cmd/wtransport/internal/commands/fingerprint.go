package commands

import (
	"context"
	"fmt"

	"github.com/wolfeidau/wtransport/internal/identity"
)

type FingerprintCmd struct {
	IdentityFlags `embed:""`
}

func (cmd *FingerprintCmd) Run(ctx context.Context, globals *Globals) error {
	source, err := cmd.source()
	if err != nil {
		return err
	}

	provider, err := identity.Load(source)
	if err != nil {
		return err
	}

	leaf := provider.Leaf()
	fp := provider.Fingerprint()

	fmt.Printf("subject:     %s\n", leaf.Subject)
	fmt.Printf("not after:   %s\n", leaf.NotAfter.UTC())
	fmt.Printf("%s: %s\n", fp.Algorithm, fp.Hex())

	return nil
}
