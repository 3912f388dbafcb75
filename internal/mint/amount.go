package mint

// MaxAmount caps the value of a single quote.
const MaxAmount uint64 = 1 << 63

// Amount converts the leading zero bits of a share hash into eHash units.
// Every bit of work above the minimum doubles the amount, so a share with
// 40 leading zeros against a minimum of 32 is worth 256. Shares below the
// minimum are worth nothing.
func Amount(leadingZeros, minLeadingZeros uint32) uint64 {
	if leadingZeros < minLeadingZeros {
		return 0
	}
	exp := leadingZeros - minLeadingZeros
	if exp >= 63 {
		return MaxAmount
	}
	return 1 << exp
}
