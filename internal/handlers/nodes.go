package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/falcon-eye/falcon-eye/internal/noderegistry"
	"github.com/falcon-eye/falcon-eye/internal/scanner"
)

// NodeHandler adapts the Node Registry and Node Scanner to the
// `/api/nodes/` surface.
type NodeHandler struct {
	nodes   *noderegistry.Registry
	scanner *scanner.Scanner
}

// NewNodeHandler builds a NodeHandler.
func NewNodeHandler(nodes *noderegistry.Registry, s *scanner.Scanner) *NodeHandler {
	return &NodeHandler{nodes: nodes, scanner: s}
}

// RegisterRoutes attaches every /api/nodes/ route to router.
func (h *NodeHandler) RegisterRoutes(router *gin.RouterGroup) {
	nodes := router.Group("/nodes")
	{
		nodes.GET("/", h.list)
		nodes.GET("/:name", h.get)
		nodes.GET("/scan/cameras", h.scan)
	}
}

func (h *NodeHandler) list(c *gin.Context) {
	all, err := h.nodes.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"nodes": all})
}

func (h *NodeHandler) get(c *gin.Context) {
	info, err := h.nodes.Resolve(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, info)
}

// scan covers both scanner operations behind one query-driven route, per
// spec.md's `GET /api/nodes/scan/cameras?network,node`: a `network` CIDR
// runs the TCP subnet probe, a `node` name (or no filter at all) runs the
// USB enumeration.
func (h *NodeHandler) scan(c *gin.Context) {
	if subnet := c.Query("network"); subnet != "" {
		candidates, err := h.scanner.ListNetwork(c.Request.Context(), subnet)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"network": candidates})
		return
	}

	devices, err := h.scanner.ListUSB(c.Request.Context(), c.Query("node"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"usb": devices})
}
