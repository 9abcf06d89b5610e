// Package delivery holds the types shared by every part of the notification
// pipeline: requests, outcomes, the adapter contract and the tagged error
// classification (Transient, Terminal, Configuration).
package delivery
