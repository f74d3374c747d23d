// Package scheduling turns waiting tasks into placed container documents. It
// holds the pluggable pieces (allocation strategy, task selector, caching
// strategy) and the scheduler pass that binds them together under the node
// RAM constraints.
package scheduling
