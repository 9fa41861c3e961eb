// Package commands defines the pqratchet CLI and wires dependencies for subcommands.
//
// Commands
//
//   - init                 Write a default config under --home
//   - device register      Create this device's sealed keys
//   - device list          List a user's devices and their trust
//   - device export|add    Move a device's public identity to another registry
//   - device verify        Vouch for another device of the same user
//   - device revoke        Exclude a device from key distribution
//   - publish              Upload the pre-key bundle to the relay
//   - status               Show sessions and queued deliveries
//   - conflicts            List or resolve key conflicts
//   - sync                 Distribute states, retry the queue, pull packages
//   - upgrade              Rekey a conversation under another suite
//   - run                  Stay online and serve /metrics
//   - demo                 In-process Alice and Bob exchange
//
// # Implementation
//
// Services are built lazily from the config file the first time a command
// needs them and closed after the command returns. Commands that use
// private keys unlock the active device with the passphrase and wipe the
// keys when the command finishes.
package commands
