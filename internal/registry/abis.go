package registry

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ABI fragments for the Fuse view functions this module reads.
const (
	FusePoolDirectoryABI = `[
		{"name":"getAllPools","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"pools","type":"tuple[]","components":[{"name":"name","type":"string"},{"name":"creator","type":"address"},{"name":"comptroller","type":"address"},{"name":"blockPosted","type":"uint256"},{"name":"timestampPosted","type":"uint256"}]}]},
		{"name":"getPublicPools","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"indexes","type":"uint256[]"},{"name":"pools","type":"tuple[]","components":[{"name":"name","type":"string"},{"name":"creator","type":"address"},{"name":"comptroller","type":"address"},{"name":"blockPosted","type":"uint256"},{"name":"timestampPosted","type":"uint256"}]}]},
		{"name":"getPublicPoolsByVerification","type":"function","stateMutability":"view","inputs":[{"name":"whitelistedAdmin","type":"bool"}],"outputs":[{"name":"indexes","type":"uint256[]"},{"name":"pools","type":"tuple[]","components":[{"name":"name","type":"string"},{"name":"creator","type":"address"},{"name":"comptroller","type":"address"},{"name":"blockPosted","type":"uint256"},{"name":"timestampPosted","type":"uint256"}]}]},
		{"name":"getPoolsByAccount","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"indexes","type":"uint256[]"},{"name":"pools","type":"tuple[]","components":[{"name":"name","type":"string"},{"name":"creator","type":"address"},{"name":"comptroller","type":"address"},{"name":"blockPosted","type":"uint256"},{"name":"timestampPosted","type":"uint256"}]}]}
	]`

	ComptrollerABI = `[
		{"name":"getAllMarkets","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
		{"name":"getAllBorrowers","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
		{"name":"getWhitelist","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
		{"name":"getRewardsDistributors","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
		{"name":"comptrollerImplementation","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
		{"name":"borrowGuardianPaused","type":"function","stateMutability":"view","inputs":[{"name":"","type":"address"}],"outputs":[{"name":"","type":"bool"}]}
	]`

	CErc20DelegateABI = `[
		{"name":"name","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
		{"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
		{"name":"underlying","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]}
	]`
)

// ABIs holds the parsed contract interfaces. They are shared and never
// mutated after parsing.
type ABIs struct {
	FusePoolDirectory *abi.ABI
	Comptroller       *abi.ABI
	CErc20Delegate    *abi.ABI
}

var (
	parseOnce sync.Once
	parsed    ABIs
	parseErr  error
)

// ParsedABIs parses the fragments once per process.
func ParsedABIs() (ABIs, error) {
	parseOnce.Do(func() {
		var out ABIs
		if out.FusePoolDirectory, parseErr = parseABI(FusePoolDirectoryABI); parseErr != nil {
			return
		}
		if out.Comptroller, parseErr = parseABI(ComptrollerABI); parseErr != nil {
			return
		}
		if out.CErc20Delegate, parseErr = parseABI(CErc20DelegateABI); parseErr != nil {
			return
		}
		parsed = out
	})
	return parsed, parseErr
}

func parseABI(raw string) (*abi.ABI, error) {
	out, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		return nil, err
	}
	return &out, nil
}
