/*
Package source resolves plugin script sources to text.

Remote scripts are fetched with resty over a retrying transport, throttled by a rate
limiter and guarded by one circuit breaker per remote host. Every script, remote or
local, goes through the same decoding steps:

  - gzip bundles (.js.gz or a gzip body) are decompressed
  - the content must sniff as text; binary payloads are rejected
  - non UTF-8 text is transcoded, using the declared charset or a detected one
  - the result is capped at MaxBytes

file:// URLs are refused unless AllowFile is set. Plugins installed from a local
directory are read with ReadFile and never go through URL resolution.
*/
package source
