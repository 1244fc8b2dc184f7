// falcon-export downloads CrowdStrike Falcon image assessment results,
// shard by shard, into combined JSON/CSV reports.
package main

import "os"

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
