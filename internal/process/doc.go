// Package process supervises emulator processes launched by the provisioner.
//
// A Manager owns one child process started in its own process group, so
// that stopping it also reaches helper processes the emulator forks (qemu,
// crashpad). Stop sends SIGTERM to the group, waits GracefulTimeout, then
// sends SIGKILL.
//
// Emulators outlive the command that started them, so a Manager never ties
// the child's lifetime to a context, and output is normally written to a log
// file rather than a pipe. Processes started by someone else are stopped
// through Terminate, given only their pid.
package process
