package payment

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"
	"github.com/consensys/gnark/std/math/cmp"
)

// Circuit proves knowledge of a note secret committing to a public nullifier,
// and that the paid amount covers the public minimum.
type Circuit struct {
	NoteSecret frontend.Variable
	Amount     frontend.Variable

	Nullifier frontend.Variable `gnark:",public"`
	MinAmount frontend.Variable `gnark:",public"`
}

// Define declares the circuit constraints.
func (c *Circuit) Define(api frontend.API) error {
	h, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	h.Write(c.NoteSecret)
	api.AssertIsEqual(h.Sum(), c.Nullifier)

	covered := cmp.IsLessOrEqual(api, c.MinAmount, c.Amount)
	api.AssertIsEqual(covered, 1)
	return nil
}
