package market

import "strconv"

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL = 1_000_000_000

// ExplorerBaseURL prefixes explorer links.
const ExplorerBaseURL = "https://solana.fm/address/"

// TrimAddress shortens an address to its first and last four characters.
func TrimAddress(addr string) string {
	if len(addr) <= 8 {
		return addr
	}
	return addr[:4] + "..." + addr[len(addr)-4:]
}

// LamportsToSOL converts lamports to SOL.
func LamportsToSOL(lamports uint64) float64 {
	return float64(lamports) / LamportsPerSOL
}

// FormatSOL renders a lamport amount in SOL without trailing zeros.
func FormatSOL(lamports uint64) string {
	return strconv.FormatFloat(LamportsToSOL(lamports), 'f', -1, 64)
}

// ExplorerURL links to the explorer page of an address.
func ExplorerURL(addr string) string {
	return ExplorerBaseURL + addr
}
