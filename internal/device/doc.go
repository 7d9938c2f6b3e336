// Package device holds the provisioning core shared by every plugin: the
// immutable Properties and State model, the observable state Cell, the
// long-lived Handle with its actions, the timeout-bounded Advance protocol
// and the Repository that guarantees one handle per device identity.
//
// Concurrency discipline:
//   - A Repository serializes all reads and writes of its entries behind one
//     mutex and publishes membership changes to its List before unlocking.
//   - Lock order is Repository, then Cell. A Cell never calls back into a
//     Repository.
//   - Each Handle owns a context that is a child of its plugin's context;
//     cancelling one handle never cancels its siblings.
package device
