package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

func CheckPow2[T constraints.Integer](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// DivideRoundingUp returns ceil(value / divisor) for a positive value and divisor without overflowing
// when value is close to the maximum of its type.
func DivideRoundingUp[T constraints.Integer](value, divisor T) T {
	if value == 0 {
		return 0
	}
	return (value-1)/divisor + 1
}
