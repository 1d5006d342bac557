package sale

import (
	"fmt"

	"github.com/holiman/uint256"
)

const (
	// TeraGas is one trillion units of prepaid computation.
	TeraGas uint64 = 1_000_000_000_000

	DefaultGasPerUnit   = 55 * TeraGas
	DefaultGasReconcile = 5 * TeraGas
	DefaultGasPurchase  = 10 * TeraGas

	DefaultOpenPhaseCap uint32 = 2
)

var (
	// DefaultPrice is 17.5 whole currency units of 10^24 base units.
	DefaultPrice = uint256.MustFromDecimal("17500000000000000000000000")
	// DefaultServiceCostPerUnit is forwarded to the Token Service for every
	// unit requested.
	DefaultServiceCostPerUnit = uint256.MustFromDecimal("8000000000000000000000")
	// DefaultAccountCreationCost is deducted once from a first-time buyer.
	DefaultAccountCreationCost = uint256.MustFromDecimal("1000000000000000000000")
)

// Params tunes the settlement coordinator. OpenPhaseCap of zero disables the
// open phase cap.
type Params struct {
	ServiceCostPerUnit  *uint256.Int
	AccountCreationCost *uint256.Int
	OpenPhaseCap        uint32
	GasPerUnit          uint64
	GasReconcile        uint64
	GasPurchase         uint64
	SerializeBuyers     bool
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		ServiceCostPerUnit:  cloneAmount(DefaultServiceCostPerUnit),
		AccountCreationCost: cloneAmount(DefaultAccountCreationCost),
		OpenPhaseCap:        DefaultOpenPhaseCap,
		GasPerUnit:          DefaultGasPerUnit,
		GasReconcile:        DefaultGasReconcile,
		GasPurchase:         DefaultGasPurchase,
		SerializeBuyers:     true,
	}
}

func (p Params) normalise() Params {
	if p.ServiceCostPerUnit == nil {
		p.ServiceCostPerUnit = uint256.NewInt(0)
	}
	if p.AccountCreationCost == nil {
		p.AccountCreationCost = uint256.NewInt(0)
	}
	return p
}

// RequiredGas returns the minimum prepaid gas for a purchase of amount units.
// ok is false when the requirement does not fit in a uint64.
func (p Params) RequiredGas(amount uint32) (uint64, bool) {
	fixed := p.GasReconcile + p.GasPurchase
	if fixed < p.GasReconcile {
		return 0, false
	}
	if p.GasPerUnit != 0 && uint64(amount) > (^uint64(0)-fixed)/p.GasPerUnit {
		return 0, false
	}
	return p.GasPerUnit*uint64(amount) + fixed, true
}

func (p Params) String() string {
	return fmt.Sprintf("svc=%s creation=%s cap=%d gas=%d/%d/%d serialize=%t",
		p.ServiceCostPerUnit.Dec(), p.AccountCreationCost.Dec(), p.OpenPhaseCap,
		p.GasPerUnit, p.GasReconcile, p.GasPurchase, p.SerializeBuyers)
}
