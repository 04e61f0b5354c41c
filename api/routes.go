package api

import "github.com/gin-gonic/gin"

// registerRoutes wires the RPC surface of spec.md §6 onto the router. Every
// route runs IdentityMiddleware first; coordinator-only routes additionally
// require RequireCoordinator.
func (s *Server) registerRoutes(r *gin.Engine) {
	rpc := r.Group("/rpc", s.IdentityMiddleware())

	coordinator := rpc.Group("", s.RequireCoordinator())
	coordinator.POST("/setupCeremony", s.setupCeremony)
	coordinator.POST("/createBucket", s.createBucket)
	coordinator.POST("/ceremonies/:ceremonyId/circuits/:circuitId/finalizeCircuit", s.finalizeCircuit)
	coordinator.POST("/ceremonies/:ceremonyId/finalizeCeremony", s.finalizeCeremony)
	coordinator.GET("/ceremonies/:ceremonyId/checkAndPrepareCoordinatorForFinalization", s.checkAndPrepareCoordinatorForFinalization)

	rpc.POST("/ceremonies/:ceremonyId/checkParticipantForCeremony", s.checkParticipantForCeremony)
	rpc.POST("/ceremonies/:ceremonyId/progressToNextCircuitForContribution", s.progressToNextCircuitForContribution)
	rpc.POST("/ceremonies/:ceremonyId/progressToNextContributionStep", s.progressToNextContributionStep)
	rpc.POST("/ceremonies/:ceremonyId/permanentlyStoreCurrentContributionTimeAndHash", s.permanentlyStoreCurrentContributionTimeAndHash)
	rpc.POST("/ceremonies/:ceremonyId/resumeContributionAfterTimeoutExpiration", s.resumeContributionAfterTimeoutExpiration)
	rpc.POST("/ceremonies/:ceremonyId/circuits/:circuitId/verifyContribution", s.verifyContribution)

	rpc.POST("/ceremonies/:ceremonyId/openMultiPartUpload", s.openMultiPartUpload)
	rpc.POST("/ceremonies/:ceremonyId/generatePreSignedUrlsParts", s.generatePreSignedUrlsParts)
	rpc.POST("/ceremonies/:ceremonyId/completeMultiPartUpload", s.completeMultiPartUpload)
	rpc.POST("/ceremonies/:ceremonyId/temporaryStoreCurrentContributionMultiPartUploadId", s.temporaryStoreCurrentContributionMultiPartUploadId)
	rpc.POST("/ceremonies/:ceremonyId/temporaryStoreCurrentContributionUploadedChunkData", s.temporaryStoreCurrentContributionUploadedChunkData)

	rpc.GET("/ceremonies/:ceremonyId/generateGetObjectPreSignedUrl", s.generateGetObjectPreSignedUrl)
	rpc.GET("/ceremonies/:ceremonyId/checkIfObjectExist", s.checkIfObjectExist)
}
