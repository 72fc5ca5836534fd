/*
Package resilient turns a slow, unreliable HTTP call into one with bounded, predictable behaviour.

Every call made through an HttpClient gets a per-attempt deadline, geometric backoff between
retries, an `X-Request-ID`/`X-Request-Timestamp` correlation pair, certificate pinning in
production, and a metrics report once it completes.

The building blocks are usable on their own: Retry, WithTimeout and WithRetryAndTimeout wrap any
Operation, and EnsureOK classifies a non-2xx Response into a Failure.
*/
package resilient
