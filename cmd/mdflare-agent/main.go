// Command mdflare-agent runs the sync agent: either cloud mode (watch a
// local folder, keep it in lockstep with a remote content store) or
// private-vault mode (serve a local folder over HTTP for a browser-based
// editor), per the --cloud / --private-vault flags.
//
// One root cobra.Command, child commands attached in init(),
// SilenceUsage set so Cobra doesn't dump usage on every runtime
// error.
package main

func main() {
	Execute()
}
