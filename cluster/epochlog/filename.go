package epochlog

import "fmt"

const epochFilePrefix = "epoch-"

func epochFileName(epoch uint32) string {
	return fmt.Sprintf("%s%010d", epochFilePrefix, epoch)
}

// fsscanEpoch parses a file name produced by epochFileName back into an
// epoch number. Returns (1, nil) on success to mirror fmt.Sscanf's arity
// convention used by its one caller.
func fsscanEpoch(name string, out *uint32) (int, error) {
	var epoch uint32
	n, err := fmt.Sscanf(name, epochFilePrefix+"%010d", &epoch)
	if err != nil || n != 1 {
		return 0, err
	}
	*out = epoch
	return 1, nil
}
