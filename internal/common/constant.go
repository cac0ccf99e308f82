package common

// ProxyCacheHeader marks every proxied response as served from cache (HIT)
// or freshly fetched from upstream (MISS).
const ProxyCacheHeader = "x-proxy-cache"

// DockerContentDigestHeader carries the canonical digest of a registry object.
const DockerContentDigestHeader = "Docker-Content-Digest"
